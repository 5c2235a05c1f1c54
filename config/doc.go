// Package config loads the deployment description shared by every site of a
// session: session name and timeouts, where the bootstrap directory runs,
// which transport carries invocations, the sites and their entry points,
// the components each site creates and the connections between them.
//
// Configuration is loaded in layers. Defaults are merged with each file in
// order, JSON or YAML by extension, and environment variables prefixed with
// CVM_ override the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("deploy/base.yaml")
//	loader.AddLayer("deploy/lab.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Durations may be written as strings ("30s"). Lists replace, rather than
// extend, the lists of earlier layers.
//
// # Environment Variables
//
//	CVM_SESSION             session name
//	CVM_DEPLOYMENT_TIMEOUT  bound on deployment, lookups and barriers
//	CVM_SHUTDOWN_TIMEOUT    bound on graceful component shutdown
//	CVM_DIRECTORY_HOST      directory server host
//	CVM_DIRECTORY_PORT      directory server port
//	CVM_DIRECTORY_BACKEND   memory or nats-kv
//	CVM_TRANSPORT           websocket or nats
//	CVM_NATS_URLS           comma separated NATS URLs
//	CVM_NATS_USERNAME, CVM_NATS_PASSWORD, CVM_NATS_TOKEN
//	CVM_METRICS_PORT        prometheus endpoint port, 0 disables it
//
// Validate reports every problem it finds at once, each wrapping
// errors.ErrInvalidConfig or errors.ErrMissingConfig.
package config
