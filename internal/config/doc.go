// Package config loads the gatewayd YAML configuration.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as the bot token can stay out of the file:
//
//	gateway:
//	  token: ${GATEWAY_TOKEN}
package config
