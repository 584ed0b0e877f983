// Package ws streams process lifecycle notifications to WebSocket clients.
//
// Hub implements types.Notifier, so the app and worker managers publish to
// it directly from kernel main. Delivery is best effort: each client has a
// bounded buffer and a slow client misses messages rather than stalling
// kernel main.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//   - status: Request a snapshot of both process slots
//
// Message Types (Server → Client):
//   - system: Connection greeting with the client id
//   - run_state, launch, crash_dialog, worker_state: Notifications
//   - pong, status: Replies
//   - error: Error occurred
//
// Example Usage:
//
//	hub := ws.NewHub(kernel, logger).WithMetrics(metrics)
//	router.GET("/stream", hub.HandleConnection)
package ws
