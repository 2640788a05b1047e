// Meridian is an account-pooling reverse proxy for an internal LLM
// backend, exposed through an Anthropic-compatible wire protocol.
//
// It pools multiple upstream credentials and rotates between them when one
// is rate-limited or out of quota, so callers never see a pooled account
// fail.
//
// Usage:
//
//	# Start the proxy with the default configuration
//	meridian run
//
//	# Start with a custom configuration file
//	meridian run --config /etc/meridian/config.yaml
//
//	# Manage the pooled account store
//	meridian accounts list
//	meridian accounts add --email dev@example.com --refresh-token TOKEN
//	meridian accounts remove dev@example.com
//
//	# Show version information
//	meridian version
package main

func main() {
	Execute()
}
