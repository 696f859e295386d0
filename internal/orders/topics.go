package orders

const (
	TopicOrderCreated  = "order.created"
	TopicOrderPaid     = "order.paid"
	TopicPaymentFailed = "order.payment.failed"
	TopicStatusChanged = "order.status.changed"
)

// Partition key = order_id so every event for one order stays ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
