package validate

import "fmt"

// Input limits for the share API.
const (
	// bcrypt only reads the first 72 bytes.
	MaxPasswordLength = 72
	MaxAssetIDLength  = 64
	MaxArchiveAssets  = 500
)

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Password(s string) string { return checkLen(s, MaxPasswordLength, "password") }

func AssetID(s string) string {
	if s == "" {
		return "asset id must not be empty"
	}
	return checkLen(s, MaxAssetIDLength, "asset id")
}

// AssetIDs checks an archive selection. An empty selection is valid and
// means every photo in the project.
func AssetIDs(ids []string) string {
	if len(ids) > MaxArchiveAssets {
		return fmt.Sprintf("at most %d assets per archive", MaxArchiveAssets)
	}
	for _, id := range ids {
		if msg := AssetID(id); msg != "" {
			return msg
		}
	}
	return ""
}
