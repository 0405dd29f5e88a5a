package domain

import "fmt"

// ValidatePayload checks the data map against the requirements of the
// request's content type. The custom type is an open map; the known types
// each require their anchor field so downstream consumers can rely on it.
func ValidatePayload(contentType ContentType, data map[string]any) error {
	switch contentType {
	case ContentTypeBudget:
		amount, ok := data["amount"]
		if !ok {
			return fmt.Errorf("budget payload requires an amount field")
		}
		switch amount.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("budget amount must be numeric, got %T", amount)
		}
	case ContentTypeDocument:
		if _, hasURL := data["url"]; !hasURL {
			if _, hasFile := data["file_name"]; !hasFile {
				return fmt.Errorf("document payload requires a url or file_name field")
			}
		}
	case ContentTypeContent:
		body, ok := data["body"].(string)
		if !ok || body == "" {
			return fmt.Errorf("content payload requires a non-empty body field")
		}
	case ContentTypeCustom:
		// open map, no schema
	default:
		return fmt.Errorf("unknown content type %q", contentType)
	}
	return nil
}
