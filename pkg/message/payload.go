package message

import (
	"strings"
)

// PayloadMetadata contains metadata extracted from PartInfo for a payload
type PayloadMetadata struct {
	// Href is the Content-ID reference (e.g., "cid:attachment@example.com")
	Href string
	// ContentID is the href without the "cid:" prefix
	ContentID string
	// MimeType is the original MIME type from PartProperties
	MimeType string
	// CompressionType indicates compression (e.g., "application/gzip")
	CompressionType string
	CharacterSet    string
	Properties      map[string]string
}

// IsBodyPayload reports whether the part refers to the SOAP body (no
// href or a same-document "#id" reference).
func (p *PayloadMetadata) IsBodyPayload() bool {
	return p.Href == "" || strings.HasPrefix(p.Href, "#")
}

// ExtractPayloadMetadata extracts metadata from UserMessage PayloadInfo.
// Returns a map from Content-ID (without cid: prefix) to PayloadMetadata.
func ExtractPayloadMetadata(userMsg *UserMessage) map[string]*PayloadMetadata {
	result := make(map[string]*PayloadMetadata)

	if userMsg == nil || userMsg.PayloadInfo == nil {
		return result
	}

	for _, partInfo := range userMsg.PayloadInfo.PartInfo {
		meta := &PayloadMetadata{
			Href:       partInfo.Href,
			ContentID:  NormalizeContentID(partInfo.Href),
			Properties: make(map[string]string),
		}

		if partInfo.PartProperties != nil {
			for _, prop := range partInfo.PartProperties.Property {
				meta.Properties[prop.Name] = prop.Value
				switch prop.Name {
				case PartPropertyMimeType:
					meta.MimeType = prop.Value
				case PartPropertyCompression:
					meta.CompressionType = prop.Value
				case PartPropertyCharset:
					meta.CharacterSet = prop.Value
				}
			}
		}

		result[meta.ContentID] = meta
	}

	return result
}

// NormalizeContentID strips a "cid:" scheme and angle brackets.
func NormalizeContentID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "cid:")
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
