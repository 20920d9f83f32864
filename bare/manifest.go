package bare

// BareLanguage identifies the implementation language reported in the
// instance manifest.
type BareLanguage string

const (
	LanguageGo BareLanguage = "Go"
)

type BareMaintainer struct {
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

type BareProject struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Email       string `json:"email,omitempty"`
	Website     string `json:"website,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Version     string `json:"version,omitempty"`
}

// BareManifest is the JSON body returned from GET on the mount prefix.
type BareManifest struct {
	Maintainer  *BareMaintainer `json:"maintainer,omitempty"`
	Project     *BareProject    `json:"project,omitempty"`
	Versions    []string        `json:"versions"`
	Language    BareLanguage    `json:"language"`
	MemoryUsage float64         `json:"memoryUsage,omitempty"`
}
