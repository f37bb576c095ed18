// Package kafkabus drives Apache Kafka topics from tests.
//
// The [Bus] type publishes batches, consumes with a hard deadline and waits
// for a message matching a predicate. It is built on top of the franz-go
// (kgo) client, with kadm for topic administration.
//
// Handles are created through a [Transport]:
//   - the kafka transport opens one franz-go client per handle;
//   - [MemoryBroker] keeps everything in process memory, for tests and
//     offline runs.
//
// [Bus.Consume] races a timer against the message quota. Whichever fires
// first wins, the reader goroutine is stopped and the consumer is closed
// exactly once. [Bus.WaitForMessage] and [Bus.WaitFor] are built on it.
//
// Connection options mirror the RoadRunner kafka driver: [SASL] (plain,
// SCRAM-SHA-256, SCRAM-SHA-512, AWS MSK IAM), [TLS], [ProducerOpts] and an
// optional [Ping] on connect. Trace context is injected into record headers.
package kafkabus
