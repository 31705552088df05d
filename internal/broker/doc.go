// Package broker is a small topic based pub/sub bus. Parley uses it as the
// control plane between instances: a stop request for a turn owned by another
// process is published on a topic every instance subscribes to.
//
// Two implementations share the Broker[T] interface:
//   - Local fans messages out to in-process subscribers over buffered channels
//   - NATS carries JSON encoded messages across processes
//
// Example usage:
//
//	bus := broker.Local[Control]()
//	topic := bus.Topic(ctx, "parley.control")
//
//	sub, err := topic.Subscribe(ctx, func(ctx context.Context, msg Control) {
//	    // react to msg
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	if err := topic.Publish(ctx, Control{Op: "stop", StreamID: id}); err != nil {
//	    return err
//	}
//
// Bus binds one topic behind plain funcs, which is the shape parley.ControlBus
// expects:
//
//	control, err := broker.Bus[parley.Control](ctx, broker.NATS[parley.Control](nc), parley.ControlTopic)
package broker
