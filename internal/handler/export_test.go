package handler

// WriteAlertEvent exposes the SSE frame writer to external tests.
var WriteAlertEvent = writeAlertEvent
