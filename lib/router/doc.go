// Package router wires the onion module together: the UDP transport, the
// tunnel engine, the auth and peer sampling modules (real or mocked), the
// local onion API server, the optional marco/polo demo and the optional
// Prometheus endpoint.
//
// # Usage Example
//
//	cfg, err := config.Load("onion.ini")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r, err := router.New(cfg, router.Options{MockAuth: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//	r.Wait()
package router
