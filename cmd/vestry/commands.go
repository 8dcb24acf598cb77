package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage upload handoff sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a handoff session for a second device",
	Long: `Create a handoff session for a second device.

The printed URL (and its QR code, served at /sessions/<id>/handoff.png)
opens the upload flow on a phone; the 6-digit code verifies it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetInt64("tenant")
		recordType, _ := cmd.Flags().GetString("record-type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"tenant_id":   tenant,
			"record_type": recordType,
		}
		resp, err := client.post(cmd.Context(), "/sessions", req)
		if err != nil {
			return err
		}

		var result struct {
			SessionID string `json:"session_id"`
			Code      string `json:"code"`
			ExpiresAt string `json:"expires_at"`
			URL       string `json:"url"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session created")
		printStatus("Session", "%s", result.SessionID)
		printStatus("Code", "%s", colorize(colorBold, result.Code))
		printStatus("URL", "%s", result.URL)
		printStatus("Expires", "%s", result.ExpiresAt)
		return nil
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the state of a handoff session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/status")
		if err != nil {
			return err
		}

		var status struct {
			SessionID          string `json:"session_id"`
			Verified           bool   `json:"verified"`
			Expired            bool   `json:"expired"`
			DisclaimerAccepted bool   `json:"disclaimer_accepted"`
			Used               bool   `json:"used"`
			ExpiresAt          string `json:"expires_at"`
			TimeRemainingS     int    `json:"time_remaining_s"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printStatus("Session", "%s", status.SessionID)
		printStatus("Verified", "%t", status.Verified)
		printStatus("Disclaimer", "%t", status.DisclaimerAccepted)
		printStatus("Used", "%t", status.Used)
		if status.Expired {
			printStatus("Expired", "yes")
		} else {
			printStatus("Expires", "%s (%ds remaining)", status.ExpiresAt, status.TimeRemainingS)
		}
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().Int64("tenant", 0, "tenant the session belongs to (required)")
	sessionCreateCmd.Flags().String("record-type", "baptism", "record type (baptism, marriage, funeral)")
	sessionCreateCmd.MarkFlagRequired("tenant")
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect processing jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetInt64("tenant")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("tenant_id", strconv.FormatInt(tenant, 10))
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}

		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Jobs []struct {
				ID         string  `json:"id"`
				Filename   string  `json:"filename"`
				RecordType string  `json:"record_type"`
				Status     string  `json:"status"`
				Confidence float64 `json:"confidence"`
				CreatedAt  string  `json:"created_at"`
				Error      string  `json:"error"`
			} `json:"jobs"`
			Pagination struct {
				Total int `json:"total"`
			} `json:"pagination"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range result.Jobs {
			line := fmt.Sprintf("%s  %-10s  %-8s  %s",
				colorize(colorCyan, j.ID[:8]), j.Status, j.RecordType, j.Filename)
			if j.Status == "complete" {
				line += fmt.Sprintf("  (%.2f)", j.Confidence)
			}
			if j.Error != "" {
				line += "  " + colorize(colorRed, j.Error)
			}
			fmt.Println(line)
		}
		fmt.Printf("\n%d of %d jobs\n", len(result.Jobs), result.Pagination.Total)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	jobsListCmd.Flags().Int64("tenant", 0, "tenant to list jobs for (required)")
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, complete, error)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsListCmd.MarkFlagRequired("tenant")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload register page images for recognition",
	Long: `Upload register page images for recognition.

Without --session this is a direct operator upload and --tenant is
required; with --session the batch is attributed to that handoff session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		tenant, _ := cmd.Flags().GetInt64("tenant")
		recordType, _ := cmd.Flags().GetString("record-type")
		language, _ := cmd.Flags().GetString("language")
		skipPreprocess, _ := cmd.Flags().GetBool("skip-preprocess")

		if sessionID == "" && tenant <= 0 {
			return fmt.Errorf("either --session or --tenant is required")
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if sessionID != "" {
			mw.WriteField("session_id", sessionID)
		}
		if tenant > 0 {
			mw.WriteField("tenant_id", strconv.FormatInt(tenant, 10))
		}
		if recordType != "" {
			mw.WriteField("record_type", recordType)
		}
		if language != "" {
			mw.WriteField("language", language)
		}
		if skipPreprocess {
			mw.WriteField("skip_preprocess", "true")
		}

		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			part, err := filePart(mw, filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := part.Write(data); err != nil {
				return err
			}
		}
		if err := mw.Close(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading %d file(s)...", len(args))
		resp, err := client.postMultipart(cmd.Context(), "/uploads", mw.FormDataContentType(), &buf)
		if err != nil {
			return err
		}

		var result struct {
			Jobs []struct {
				ID       string `json:"id"`
				Filename string `json:"filename"`
				Status   string `json:"status"`
			} `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d job(s)", len(result.Jobs))
		for _, j := range result.Jobs {
			printStatus(j.Filename, "%s (%s)", j.ID, j.Status)
		}
		return nil
	},
}

// filePart creates a multipart section carrying the file's real content
// type, so the server does not have to sniff it.
func filePart(mw *multipart.Writer, filename string) (io.Writer, error) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	return mw.CreatePart(h)
}

func init() {
	uploadCmd.Flags().String("session", "", "handoff session to attribute the upload to")
	uploadCmd.Flags().Int64("tenant", 0, "tenant for a direct upload")
	uploadCmd.Flags().String("record-type", "", "record type (baptism, marriage, funeral)")
	uploadCmd.Flags().String("language", "", "language hint for recognition (e.g. el, ru, ro)")
	uploadCmd.Flags().Bool("skip-preprocess", false, "skip image correction before recognition")
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete handoff sessions past their retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, _ := cmd.Flags().GetString("retention")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/sessions/sweep"
		if retention != "" {
			path += "?retention=" + url.QueryEscape(retention)
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result struct {
			Removed int64 `json:"removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d session(s)", result.Removed)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("retention", "", "retention window, e.g. 24h (default: server setting)")
}
