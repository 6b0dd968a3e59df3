package supervisor

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
)

// Command describes how one backend service process is launched and probed.
type Command struct {
	Backend   string
	Path      string
	Args      []string
	Env       []string
	HealthURL string
	Port      int
}

// OllamaCommand builds the launch command for the native backend. The serve
// address is pinned through OLLAMA_HOST so the spawned daemon listens where
// the adapter expects it.
func OllamaCommand(apiURL string) Command {
	host, port := hostPortFromURL(apiURL, "127.0.0.1", 11434)
	return Command{
		Backend:   constant.Ollama,
		Path:      "ollama",
		Args:      []string{"serve"},
		Env:       []string{fmt.Sprintf("OLLAMA_HOST=%s:%d", host, port)},
		HealthURL: apiURL + "/api/version",
		Port:      port,
	}
}

// VLLMCommand builds the launch command for the OpenAI-compatible backend.
// Resource tuning from the settings document maps onto vllm serve flags;
// unset values are omitted so the server's own defaults apply.
func VLLMCommand(apiURL string, framework config.FrameworkSettings, resources config.ResourceSettings) Command {
	host, port := hostPortFromURL(apiURL, "localhost", 8000)
	if resources.VLLMHost != "" {
		host = resources.VLLMHost
	}
	if resources.VLLMPort > 0 {
		port = resources.VLLMPort
	}

	args := []string{"serve"}
	if framework.DefaultModel != "" {
		args = append(args, framework.DefaultModel)
	}
	args = append(args, "--host", host, "--port", strconv.Itoa(port))
	if resources.GPUMemoryUtilization > 0 {
		args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(resources.GPUMemoryUtilization, 'f', -1, 64))
	}
	if resources.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(resources.MaxModelLen))
	}

	return Command{
		Backend:   constant.VLLM,
		Path:      "vllm",
		Args:      args,
		HealthURL: apiURL + "/v1/models",
		Port:      port,
	}
}

func hostPortFromURL(rawURL, defaultHost string, defaultPort int) (string, int) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return defaultHost, defaultPort
	}
	host := parsed.Hostname()
	if host == "" {
		host = defaultHost
	}
	port := defaultPort
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}
