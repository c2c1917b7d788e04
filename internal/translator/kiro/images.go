package kiro

import (
	"encoding/base64"
	"strings"
)

// imageBlock converts one Claude image content block into the upstream image
// shape. Returns nil when the block carries no usable bytes.
func imageFromBlock(block map[string]any) *image {
	source, _ := block["source"].(map[string]any)
	if source == nil {
		return nil
	}

	data, _ := source["data"].(string)
	if data == "" {
		if url, _ := imageURLFrom(block); url != "" {
			// Data URLs embed the bytes after the comma.
			if idx := strings.Index(url, ","); idx >= 0 && strings.HasPrefix(url, "data:") {
				data = url[idx+1:]
			}
		}
	}
	if data == "" {
		return nil
	}

	return &image{
		Format: resolveImageFormat(block, source, data),
		Source: imageSource{Bytes: data},
	}
}

// resolveImageFormat picks the format in order: declared media type, content
// sniffing of the decoded bytes or URL, then the jpeg default.
func resolveImageFormat(block, source map[string]any, data string) string {
	if mediaType, _ := source["media_type"].(string); mediaType != "" {
		if idx := strings.Index(mediaType, "/"); idx >= 0 {
			return normalizeImageFormat(mediaType[idx+1:])
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(firstN(data, 16)); err == nil {
		if format := sniffImageFormat(decoded); format != "" {
			return format
		}
	}
	if url, _ := imageURLFrom(block); url != "" {
		if format := formatFromURL(url); format != "" {
			return format
		}
	}
	return "jpeg"
}

func imageURLFrom(block map[string]any) (string, bool) {
	if imageURL, ok := block["image_url"].(map[string]any); ok {
		url, _ := imageURL["url"].(string)
		return url, url != ""
	}
	return "", false
}

// sniffImageFormat recognizes the common magic numbers.
func sniffImageFormat(b []byte) string {
	switch {
	case len(b) >= 8 && string(b[:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return "jpeg"
	case len(b) >= 4 && string(b[:4]) == "GIF8":
		return "gif"
	case len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WEBP":
		return "webp"
	}
	return ""
}

func formatFromURL(url string) string {
	lower := strings.ToLower(url)
	if idx := strings.Index(lower, "data:image/"); idx == 0 {
		rest := lower[len("data:image/"):]
		if end := strings.IndexAny(rest, ";,"); end > 0 {
			return normalizeImageFormat(rest[:end])
		}
	}
	for _, ext := range []string{"png", "jpeg", "jpg", "gif", "webp"} {
		if strings.HasSuffix(lower, "."+ext) {
			return normalizeImageFormat(ext)
		}
	}
	return ""
}

func normalizeImageFormat(format string) string {
	if format == "jpg" {
		return "jpeg"
	}
	return format
}

func firstN(s string, n int) string {
	// Keep base64 alignment: round down to a multiple of 4.
	if len(s) < n {
		n = len(s)
	}
	return s[:n-n%4]
}
