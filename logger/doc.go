// Package logger builds the zap logger shared by the server, the worker
// pool and the MCP endpoint.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Info("grade finished", zap.String("token", token))
package logger
