package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// DefaultVisionBaseURL targets the public Vision REST endpoint; tests and
// self-hosted gateways override it.
const DefaultVisionBaseURL = "https://vision.googleapis.com"

// VisionClient calls a Vision-style text detection endpoint over HTTP.
type VisionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewVisionClient creates a client for the given endpoint. An empty baseURL
// selects the public endpoint.
func NewVisionClient(baseURL, apiKey string) *VisionClient {
	if baseURL == "" {
		baseURL = DefaultVisionBaseURL
	}
	return &VisionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *VisionClient) Name() string { return "vision" }

// annotateRequest is the JSON body for POST /v1/images:annotate.
type annotateRequest struct {
	Requests []annotateEntry `json:"requests"`
}

type annotateEntry struct {
	Image        imageContent  `json:"image"`
	Features     []featureSpec `json:"features"`
	ImageContext *imageContext `json:"imageContext,omitempty"`
}

type imageContent struct {
	Content string `json:"content"`
}

type featureSpec struct {
	Type string `json:"type"`
}

type imageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

// annotateResponse mirrors the JSON returned by POST /v1/images:annotate.
type annotateResponse struct {
	Responses []struct {
		TextAnnotations []textAnnotation `json:"textAnnotations"`
		Error           *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

type textAnnotation struct {
	Locale       string  `json:"locale,omitempty"`
	Description  string  `json:"description"`
	Confidence   float64 `json:"confidence,omitempty"`
	BoundingPoly struct {
		Vertices []struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"vertices"`
	} `json:"boundingPoly"`
}

// Recognize submits the image for text detection and normalizes the response.
// Provider unreachability and server-side failures map to ErrUnavailable; an
// empty annotation list maps to ErrNoTextDetected.
func (c *VisionClient) Recognize(ctx context.Context, image []byte, languageHints []string) (Result, error) {
	entry := annotateEntry{
		Image:    imageContent{Content: base64.StdEncoding.EncodeToString(image)},
		Features: []featureSpec{{Type: "TEXT_DETECTION"}},
	}
	if len(languageHints) > 0 {
		entry.ImageContext = &imageContext{LanguageHints: languageHints}
	}

	body, err := json.Marshal(annotateRequest{Requests: []annotateEntry{entry}})
	if err != nil {
		return Result{}, err
	}

	url := c.baseURL + "/v1/images:annotate"
	if c.apiKey != "" {
		url += "?key=" + c.apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating annotate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("annotate: unexpected status %d", resp.StatusCode)
	}

	var ar annotateResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Result{}, fmt.Errorf("decoding annotate response: %w", err)
	}
	if len(ar.Responses) == 0 {
		return Result{}, ErrNoTextDetected
	}
	first := ar.Responses[0]
	if first.Error != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, first.Error.Message)
	}
	if len(first.TextAnnotations) == 0 {
		return Result{}, ErrNoTextDetected
	}

	return normalizeAnnotations(first.TextAnnotations), nil
}

// normalizeAnnotations converts the provider's annotation list into the
// neutral Result shape. The first annotation is the whole-document text; the
// rest are individual tokens.
func normalizeAnnotations(annotations []textAnnotation) Result {
	res := Result{
		Provider: "vision",
		Text:     strings.TrimSpace(annotations[0].Description),
		Language: annotations[0].Locale,
		Tokens:   make([]Token, 0, len(annotations)),
	}
	for i, a := range annotations {
		res.Tokens = append(res.Tokens, Token{
			Text:          a.Description,
			Confidence:    a.Confidence,
			Bounds:        polyBounds(a),
			WholeDocument: i == 0,
		})
	}
	return res
}

func polyBounds(a textAnnotation) Region {
	vs := a.BoundingPoly.Vertices
	if len(vs) == 0 {
		return Region{}
	}
	minX, minY := math.MaxFloat64, math.MaxFloat64
	var maxX, maxY float64
	for _, v := range vs {
		minX = math.Min(minX, v.X)
		minY = math.Min(minY, v.Y)
		maxX = math.Max(maxX, v.X)
		maxY = math.Max(maxY, v.Y)
	}
	return Region{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
