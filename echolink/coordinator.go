package echolink

import "context"

// coordinator reacts to credential changes made by other processes (other
// browser tabs in the original deployment). A rotated token forces an
// immediate teardown and a reconnect against the freshly stored value; a
// cleared token tears down and stays down, since no credential means no
// connection.
type coordinator struct {
	creds       CredentialStore
	lc          *lifecycle
	log         Logger
	unsubscribe func()
}

func newCoordinator(creds CredentialStore, lc *lifecycle, log Logger) *coordinator {
	return &coordinator{creds: creds, lc: lc, log: log}
}

// start registers the external-change listener. The lifecycle's own guards
// serialize this path with any in-flight ensureConnected from the local
// process.
func (c *coordinator) start(ctx context.Context) {
	c.unsubscribe = c.creds.OnExternalChange(func(ch Change) {
		if ch.Present && ch.Token != "" {
			c.log.Info("credential rotated externally, reconnecting", nil)
			c.lc.teardown(true)
			// Token is re-read from the store inside ensureConnected,
			// so the connection always reflects the latest value.
			c.lc.ensureConnected(ctx)
			return
		}
		c.log.Info("credential cleared externally, disconnecting", nil)
		c.lc.teardown(true)
	})
}

func (c *coordinator) stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
