// Package bridge lets synchronous callers drive the asynchronous protocol
// client without writing concurrent code.
//
// # Overview
//
// Every operation is submitted as a unit of work to a long-lived executor
// (a fixed pool of worker goroutines over a bounded queue). The caller
// gets back a Handle sharing one completion cell with the running unit:
//
//	h, err := bridge.Submit(exec, ctx, "send-message", func(ctx context.Context) (id.EventID, error) {
//		return client.SendMessage(ctx, roomID, content)
//	})
//	eventID, err := h.Wait(ctx) // blocking caller
//
// Asynchronous callers select on h.Done() and read h.Result() instead;
// both paths observe the same completion exactly once.
//
// # Contract
//
// Submit never blocks: when the queue is full it fails immediately with
// ErrOverloaded so the caller can apply backpressure. A handle completes
// exactly once, with either a value or an error. Cancel (or cancelling the
// submission context) is best-effort: it stops the unit cooperatively but
// does not retract a network effect that already happened. Anything that
// must survive a crash or needs at-least-once delivery belongs in the send
// queue, not here.
//
// # Testing
//
// Construct the executor with one worker and the queue size of your choice
// for deterministic, serialized execution; the executor is always passed
// in explicitly, never ambient.
package bridge
