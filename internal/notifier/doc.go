// Package notifier turns finished invocations into short operator messages.
//
// The service subscribes to invocation.finished on the event bus. Failures
// (and successes when notify_success is set) are formatted into one line of
// text, queued without blocking, rate limited and handed to a Sender. A full
// queue drops the message; delivery errors are logged and never retried.
//
// # Senders
//
// "log" writes through logx and is the default. "telegram" posts to a chat
// (optionally a forum thread) through an offline telebot instance, so no
// long poller or webhook is started.
package notifier
