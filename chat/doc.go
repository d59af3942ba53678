// Package chat records Twitch IRC chat for channels while they are being
// captured.
//
// The monitor starts one Record call per live session and cancels its context
// when the channel goes offline. Messages land in the chat_messages table
// keyed by the Twitch stream id, carrying both absolute timestamps and
// timestamps relative to the broadcast start so a published VOD can replay
// its chat.
//
// Connections are anonymous (read-only); no bot account or OAuth token is
// needed. Without a configured database the recorder is a no-op.
package chat
