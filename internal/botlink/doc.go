// Package botlink is the gateway's transport to bot endpoints.
//
// A bot process dials the /bot WebSocket endpoint with its owner's
// credential and the id of the bot it speaks for. The hub then forwards the
// owner's chat messages and tasks to it, and hands the bot's replies and task
// status updates to the router. Frames addressed to a bot with no live link
// wait in a bounded per-bot backlog that is flushed when the bot connects.
//
// Bot-side frames:
//
//	gateway -> bot: status {botId, pending}, message, task, pong, error
//	bot -> gateway: message {text, replyTo?}, task_status {taskId, status}, ping
package botlink
