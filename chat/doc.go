// Package chat turns Twitch chat into emote events.
//
// A Client joins one or more channels over IRC (anonymously unless a bot
// username and OAuth token are configured), matches every message against
// three emote sources and publishes an Event for messages that contain at
// least one emote:
//   - native Twitch emotes, located by the character positions IRC reports
//     and rendered from the Twitch CDN;
//   - custom emotes from the emote file, keyed by code and pointing at a URL;
//   - channel emotes fetched from the decoding service per joined channel.
//
// Per-message limits bound how often one code may repeat and how many emotes
// a single event may carry; subscribers and everyone else have separate limits.
//
// Events fan out through a Dispatcher to in-process listeners (usage
// recording) and channel subscribers (the SSE endpoint, the optional MQTT sink).
package chat
