// Package embeddings turns text into vectors.
//
// A Provider talks to one embedding backend: a Text Embeddings Inference
// server, local ONNX models through fastembed, or Ollama and OpenAI through
// langchaingo. Providers classify their failures into the errdefs taxonomy
// but never retry.
//
// Client wraps a Provider with the policy shared by every backend:
// deduplication, batching, optional rate limiting, bounded exponential
// backoff for transient failures, throttle hints, and output validation.
// The ingestion and retrieval paths only see a Client.
package embeddings
