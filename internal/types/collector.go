package types

// InvokedCollector describes a data collector that ran during the test
// session. Two collectors are equal when all fields match.
type InvokedCollector struct {
	URI                    string `json:"uri" yaml:"uri"`
	FriendlyName           string `json:"friendly_name" yaml:"friendlyName"`
	Identity               string `json:"identity" yaml:"identity"`
	FilePath               string `json:"file_path" yaml:"filePath"`
	HasAttachmentProcessor bool   `json:"has_attachment_processor" yaml:"hasAttachmentProcessor"`
}
