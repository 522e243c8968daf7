/*
Package events distributes cluster lifecycle notifications.

The manager, its clusters and the heartbeat monitor publish Events to a
Broker. Subscribers such as the webhook notifier receive them on buffered
channels:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.ClusterID, ev.Message)
		}
	}()

	broker.Publish(events.New(events.EventClusterReady, 2, "cluster ready"))

Delivery is best effort. A subscriber whose buffer is full misses the event
rather than blocking the publisher, so subscribers must not be used for
anything that needs every transition. Publish on a nil *Broker is a no-op,
which lets components run without a broker in tests.
*/
package events
