// Package calendar holds the domain model shared by the store, the access
// resolver, the mutation service and the reminder scheduler.
package calendar
