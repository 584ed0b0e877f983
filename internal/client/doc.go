// Package client is a Go client for the watchd control API.
//
// It wraps resty with retries for transient failures and an optional
// client-side rate limit. Kernel requests are asynchronous on the daemon:
// a successful Launch or Close means the request was queued on kernel main.
//
// Example Usage:
//
//	c := client.New("http://localhost:8040")
//	snap, err := c.Status(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(snap.App.Name)
//
//	err = c.Launch(ctx, 7, types.LaunchRequest{Reason: "phone"})
package client
