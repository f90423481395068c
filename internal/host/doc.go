// Package host talks to the process that owns the kernel-spec registry.
//
// The launch core needs two things from its host: the kernel specs known by
// name, fetched with a one-shot kernel_specs_request / kernel_specs_reply
// exchange, and a fire-and-forget liveness ping when a launch begins. Both
// are behind the Client interface. Local answers from an in-process
// registry; Stream speaks newline-delimited JSON envelopes over a pair of
// pipes, and Serve is its host-side counterpart.
package host
