package utils

// ResourceDescriptor is the resolved identity of one remote resource: the
// final range-capable URL, the local filename, the total size in bytes (0
// when the server did not report one, which forces single-connection mode)
// and any request headers the host requires. Produced by a resolver, consumed
// read-only by the transfer engine.
type ResourceDescriptor struct {
	URL      string
	Filename string
	Size     int64
	Headers  map[string]string
}

// DownloadEntry is one item of a YAML batch list.
type DownloadEntry struct {
	URL string `yaml:"url"`
	Dir string `yaml:"dir,omitempty"`
}

const ToolUserAgent = "quarry/1.0"
