package build

import "strings"

var (
	Version = "dev"
	AppName = "Kumo"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
