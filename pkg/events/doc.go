/*
Package events provides the in-process event broker.

Deployment status transitions, webhook intake and preview lifecycle
changes are published here; subscribers receive them on buffered
channels. Publishing never blocks on a subscriber: one that falls
behind has events dropped rather than stalling the executor.

# Flow

	Publisher → event channel (buffer 100)
	     ↓
	broadcast loop, per-subscription scope filter
	     ↓
	subscription channels (buffer 50 each, overflow dropped)

Event payloads are types.Event values. The common deployment transition
has a helper:

	broker.PublishDeploymentStatus(deployment, "healthcheck passed")

Subscriptions carry a Scope: the webhook server's event stream narrows
its feed to one project, environment, service or deployment this way,
and the zero Scope receives everything. Subscribers must eventually
Unsubscribe; the subscription channel is closed by the broker on
unsubscribe, never by the receiver.
*/
package events
