// Package messaging implements request/reply correlation over a pub/sub bus.
//
// The client side is made of three parts sharing one CorrelationTable:
//   - RequestDispatcher: registers a pending request, publishes it and hands back a Future
//   - ReplyListener: consumes the reply topic and resolves pending requests by correlation id
//   - CorrelationTable: the only shared mutable state, guaranteeing each request completes once
//
// The worker side is the WorkerDispatcher, which consumes request topics,
// looks up a Handler in a frozen Registry, runs it on a bounded pool and
// publishes a reply that carries the original correlation id.
//
// Example usage:
//
//	table := messaging.NewCorrelationTable()
//	listener := messaging.NewReplyListener(bus, table, "math.sum.reply")
//	if err := listener.Start(ctx); err != nil {
//		return err
//	}
//	defer listener.Stop()
//
//	dispatcher := messaging.NewRequestDispatcher(bus, table,
//		messaging.WithReplyTopic("math.sum.reply"),
//		messaging.WithDefaultTimeout(5*time.Second),
//	)
//
//	future, err := dispatcher.Call(ctx, "math.sum", []float64{3, 7, 2, 9, 1})
//	if err != nil {
//		return err
//	}
//	sum, err := future.Value(ctx)
package messaging
