// Package chat owns the long-lived Twitch IRC connection used to observe
// cheers and subscriptions in every linked channel.
//
// A Gateway dials a fresh client on start and again on every reconnect
// cycle (a fixed interval, one hour by default), joins the channel of every
// linked account once connected, and dispatches inbound events to the
// handler registered for their kind. Each handler call runs behind a recover
// boundary so a failing handler never reaches connection management or the
// delivery of later events.
//
// Credentials: the IRC client requires a bot username and a user OAuth token
// with chat:read scope. The token is resolved at every cycle, so a token
// refreshed in the oauth_tokens table is picked up on the next reconnect.
package chat
