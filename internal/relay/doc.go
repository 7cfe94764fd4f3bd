// Package relay sends events to relays over websocket.
//
// Pool keeps one lazily dialed connection per relay URL, rate limits sends
// per relay and correlates ["OK", id, accepted, message] acknowledgements
// with the broadcast waiting for them. Idle connections are closed by
// CloseIdle, which the app runs on a cron schedule.
package relay
