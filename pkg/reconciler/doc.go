/*
Package reconciler keeps node containers in line with subscription state.

Webhooks and API calls drive most activations, but a delivery can be lost
and containers can die or vanish out of band. Every interval the reconciler
walks all users: active users get EnsureActive, which also repairs drift,
and inactive users that still own a node get their containers stopped.

Errors for one user are logged and the cycle moves on; nothing is retried
until the next tick.
*/
package reconciler
