// Package storage persists what pewcast must remember across restarts:
// subscribed Telegram chats, the audit trail of operator and scheduler
// actions, and outbox dedup windows.
package storage
