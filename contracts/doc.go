// Package contracts defines the wire envelopes and error types shared by
// clients and workers.
//
// A client publishes a RequestEnvelope carrying a correlation id. A worker
// answers with a ReplyEnvelope that repeats the same id and either a result
// or an ErrorDetail. Errors surfaced to callers unwrap to the sentinels in
// this package so they can be matched with errors.Is:
//   - ErrTransport: the bus rejected or failed a publish
//   - ErrTimeout: no reply arrived before the deadline
//   - ErrDuplicateID: the correlation id is already pending
//   - ErrUnknownOperation: no worker handler matches the operation
//   - ErrHandler: the handler failed on the worker
package contracts
