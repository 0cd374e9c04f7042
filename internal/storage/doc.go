// Package storage persists reminders, families, members and delivery-dedup
// records. Two drivers: "sqlite" (production, cgo-free modernc driver) and
// "memory" (tests, throwaway setups).
package storage
