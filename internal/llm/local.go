package llm

const localDriverName = "local"

func init() {
	RegisterDriver(localDriverName, NewLocal)
}

// NewLocal builds an OpenAI-protocol driver preset for self-hosted
// servers such as Ollama, vLLM, and llama.cpp: credentials are optional
// and the endpoint defaults to the Ollama port.
func NewLocal(cfg Config) (Driver, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &OpenAIDriver{name: localDriverName, config: cfg, httpClient: NewHTTPClient(cfg)}, nil
}
