package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrExists is returned by WriteInitial when the target file already exists.
var ErrExists = errors.New("config already exists")

// Initial holds the values a first-run setup detects.
type Initial struct {
	APIHostname string
	APIPath     string
	APIPort     int
	APIProtocol string
	APIProvider string
	ModelName   string
	Path        string // Path is the transcript directory
}

// WriteInitial writes a private provider config as YAML and returns it
// validated. Parent directories are created. The node starts private with an
// empty serverKey; setting serverKey, serverAddress and public: true joins the
// public network.
func WriteInitial(path string, in Initial) (*Config, error) {
	doc := document{
		APIHostname: in.APIHostname,
		APIPath:     in.APIPath,
		APIPort:     in.APIPort,
		APIProtocol: in.APIProtocol,
		APIProvider: in.APIProvider,
		ModelName:   in.ModelName,
		Path:        in.Path,
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config:\n%w", err)
	}

	cfg, err := Parse(data, FormatYAML)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir:\n%w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err != nil {
		return nil, fmt.Errorf("create config:\n%w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write config:\n%w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close config:\n%w", err)
	}

	return cfg, nil
}
