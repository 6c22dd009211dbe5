package ingest

// Publisher is the slice of the server that bridges publish into. Transient
// publishes fan out to live subscribers only; persistent publishes are
// appended to the durable log first.
type Publisher interface {
	Publish(topic string, data any) (int, error)
	PublishPersistent(topic string, data any) (uint64, error)
}
