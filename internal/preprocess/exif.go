package preprocess

import "encoding/binary"

// orientationAngle extracts the EXIF orientation tag from JPEG bytes and maps
// it to the clockwise rotation (in degrees) that upright-corrects the image.
// Non-JPEG input, missing EXIF, mirrored orientations, and malformed segments
// all yield 0.
func orientationAngle(data []byte) int {
	switch exifOrientation(data) {
	case 3:
		return 180
	case 6:
		return 90
	case 8:
		return -90
	}
	return 0
}

const orientationTag = 0x0112

// exifOrientation walks the JPEG marker stream for an APP1/Exif segment and
// returns the raw orientation value (1..8), or 0 when absent.
func exifOrientation(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0
	}

	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return 0
		}
		marker := data[offset+1]
		// Standalone markers have no length field.
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			offset += 2
			continue
		}
		// Entropy-coded data follows SOS; no EXIF past that point.
		if marker == 0xDA {
			return 0
		}
		segLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if segLen < 2 || offset+2+segLen > len(data) {
			return 0
		}
		if marker == 0xE1 {
			return parseExifSegment(data[offset+4 : offset+2+segLen])
		}
		offset += 2 + segLen
	}
	return 0
}

func parseExifSegment(seg []byte) int {
	if len(seg) < 14 || string(seg[:6]) != "Exif\x00\x00" {
		return 0
	}
	tiff := seg[6:]

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(tiff[2:4]) != 0x2A {
		return 0
	}

	ifdOffset := int(order.Uint32(tiff[4:8]))
	if ifdOffset+2 > len(tiff) {
		return 0
	}
	count := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	for i := 0; i < count; i++ {
		entry := ifdOffset + 2 + i*12
		if entry+12 > len(tiff) {
			return 0
		}
		if order.Uint16(tiff[entry:entry+2]) == orientationTag {
			v := int(order.Uint16(tiff[entry+8 : entry+10]))
			if v >= 1 && v <= 8 {
				return v
			}
			return 0
		}
	}
	return 0
}
