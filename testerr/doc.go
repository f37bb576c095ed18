// Package testerr implements the harness error taxonomy.
//
// [Classify] turns any failure observed while driving an HTTP API or a Kafka
// cluster into a [TestError] carrying a [Category], a short code and a retry
// recommendation. The recommendation is independent of the retry policy of
// whoever observed the failure; callers combine both.
//
// Classification order (first match wins):
//   - an existing [TestError] anywhere in the chain is returned unchanged;
//   - a recognised transport code (ECONNRESET, ECONNREFUSED, ENOTFOUND,
//     EAI_AGAIN, ECONNABORTED) is NETWORK;
//   - a timeout signal is TIMEOUT;
//   - HTTP 401 or 403 is AUTHENTICATION;
//   - a Kafka protocol or client error is MESSAGING;
//   - everything else is UNKNOWN.
package testerr
