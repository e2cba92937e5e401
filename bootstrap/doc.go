// Package bootstrap wires configuration, storage, threat intelligence,
// response collaborators and the HTTP API into a running Argus instance.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap
