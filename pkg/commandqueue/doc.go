// Package commandqueue serializes writes per store.
//
// Every store gets one lane. Tasks on a lane run one at a time in FIFO
// order; lanes of different stores run concurrently. A task whose context
// is done before it starts is answered with the context error and never
// runs. Close stops new work but lets accepted tasks finish.
//
//	queue := commandqueue.New("main", "modified", "inserted")
//	defer queue.Close()
//	_, err := queue.Enqueue(ctx, "inserted", func(ctx context.Context) (any, error) {
//		return nil, handle.InsertDonor(ctx, d)
//	}, nil)
package commandqueue
