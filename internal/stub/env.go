package stub

import (
	"os"
	"strings"
)

// Keys that describe the deployed runtime itself rather than the function's
// configuration. They would point a local worker at the wrong places.
var skipEnv = map[string]bool{
	"AWS_LAMBDA_RUNTIME_API":             true,
	"AWS_LAMBDA_LOG_GROUP_NAME":          true,
	"AWS_LAMBDA_LOG_STREAM_NAME":         true,
	"AWS_LAMBDA_INITIALIZATION_TYPE":     true,
	"AWS_EXECUTION_ENV":                  true,
	"AWS_XRAY_DAEMON_ADDRESS":            true,
	"AWS_XRAY_CONTEXT_MISSING":           true,
	"LAMBDA_TASK_ROOT":                   true,
	"LAMBDA_RUNTIME_DIR":                 true,
	"LD_LIBRARY_PATH":                    true,
	"PATH":                               true,
	"PWD":                                true,
	"SHLVL":                              true,
	"TZ":                                 true,
	"_HANDLER":                           true,
	"_X_AMZN_TRACE_ID":                   true,
	"_AWS_XRAY_DAEMON_ADDRESS":           true,
	"_AWS_XRAY_DAEMON_PORT":              true,
	"AWS_CONTAINER_CREDENTIALS_FULL_URI": true,
	"AWS_CONTAINER_AUTHORIZATION_TOKEN":  true,
}

// ForwardedEnv returns the environment a local worker should see: the
// function's configuration and its session credentials, without the bridge's
// own settings or the runtime plumbing of the deployed sandbox.
func ForwardedEnv(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || skipEnv[key] || strings.HasPrefix(key, "BRIDGE_") {
			continue
		}
		env[key] = value
	}
	return env
}

func processEnv() map[string]string {
	return ForwardedEnv(os.Environ())
}
