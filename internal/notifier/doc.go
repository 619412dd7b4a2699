// Package notifier delivers announcement notifications to a Discord webhook.
//
// A notification is one webhook call: a content line carrying the audience
// mention, plus a single rich embed (title, description, link, color, footer,
// timestamp, author, one field per attachment).
//
// # Audience
//
// The mention is looked up per course id in an explicit role map. Courses
// without an entry get the default mention ("@everyone" unless configured).
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
