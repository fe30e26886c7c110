/*
Package events provides the in-memory broker through which the control
plane emits facts to the policy/notification collaborator.

The usage collector publishes threshold-crossing observations (usage
percent reached, days left) and the supervisor publishes fleet lifecycle
transitions. Delivery is non-blocking pub/sub over buffered channels; a
slow subscriber drops events rather than stalling a background loop.
*/
package events
