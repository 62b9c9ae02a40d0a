// Package ingest applies server update events to an object context.
//
// Events arrive as JSON objects carrying remote IDs. The ingester uniques
// users, devices and conversations by remote ID, inserts received messages
// with their attachments in the NotDownloaded stage, records system
// messages for conversation changes and drops redelivered events, first by
// event ID through a dedupe window and then by message nonce.
package ingest
