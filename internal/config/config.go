package config

// Config represents the full pipeline configuration, populated from the
// environment by Load. The rp binary loads an optional .env file into the
// environment before calling Load.
type Config struct {
	// SCM providers
	GitHubBaseURL string `mapstructure:"github_base_url"`
	GitLabBaseURL string `mapstructure:"gitlab_base_url"`
	GitHubToken   string `mapstructure:"github_token"`
	GitLabToken   string `mapstructure:"gitlab_token"`

	// Ingress authentication secrets. At least one must be set.
	GitHubWebhookSecret string `mapstructure:"github_webhook_secret"`
	GitLabWebhookSecret string `mapstructure:"gitlab_webhook_secret"`

	// Shared infrastructure
	RedisURL    string `mapstructure:"redis_url"`
	RabbitMQURL string `mapstructure:"rabbitmq_url"`

	// Queue names
	OrchestratorQueue string `mapstructure:"orchestrator_queue"`
	LLMQueue          string `mapstructure:"llm_queue"`
	GitQueue          string `mapstructure:"git_queue"`

	// LLM backend selection. Empty means auto-detect by available
	// credentials, in the order OpenAI, Anthropic, Ollama.
	LLMProvider string `mapstructure:"llm_provider"`

	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIModel   string `mapstructure:"openai_model"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`

	AnthropicAPIKey  string `mapstructure:"anthropic_api_key"`
	AnthropicModel   string `mapstructure:"anthropic_model"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`

	OllamaBaseURL string `mapstructure:"ollama_base_url"`
	OllamaModel   string `mapstructure:"ollama_model"`

	// Review behavior
	SystemPromptName string `mapstructure:"system_prompt_name"`
	MaxHunkChanges   int    `mapstructure:"max_hunk_changes"`

	// Relevancy filter overrides, comma separated. Empty means defaults.
	IgnoredExtensions  string `mapstructure:"ignored_extensions"`
	IgnoredFiles       string `mapstructure:"ignored_files"`
	IgnoredDirectories string `mapstructure:"ignored_directories"`

	// Ingress listen address.
	WebhookAddr string `mapstructure:"webhook_addr"`
}

// HasWebhookSecret reports whether at least one ingress secret is configured.
func (c Config) HasWebhookSecret() bool {
	return c.GitHubWebhookSecret != "" || c.GitLabWebhookSecret != ""
}
