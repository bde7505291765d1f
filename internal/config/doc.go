// Package config loads the fisync serve configuration.
//
// Values come from, lowest precedence first: built-in defaults, an optional
// config file (yaml, json or toml, named by --config), FISYNC_* environment
// variables and command-line flags. Flag names double as file keys and, upper
// cased with dashes replaced by underscores, as environment names:
//
//	listen: ":4510"
//	admin-listen: ":4511"
//	password: hunter2
//	max-payload: 256MiB
//	flush-interval: 60ms
//	log-level: debug
//	otlp-endpoint: grpc://localhost:4317
//	phantom: [head, study]
//	store: minio
//	s3-endpoint: localhost:9000
//	s3-bucket: datasets
//
// FISYNC_PASSWORD=hunter2 overrides the file; --password overrides both.
package config
