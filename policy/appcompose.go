// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package policy

// defaultAppComposeRunner is the canonical runner value injected when the
// operator does not specify one, matching the Dstack ecosystem default.
const defaultAppComposeRunner = "docker-compose"

// MergeWithDefaultAppCompose implements merge_with_default_app_compose
// (spec.md §6): it injects a canonical "runner" and an empty
// "allowed_envs" array when the operator omitted them, so two operators
// describing the same workload — one spelling out every optional field,
// one leaving them to default — hash identically (spec.md §4.1, §4.7,
// §8 property 5: idempotent, order-insensitive).
//
// User-provided values always win; this never overwrites a field the
// caller set, including an explicitly empty one.
func MergeWithDefaultAppCompose(user AppCompose) AppCompose {
	merged := make(AppCompose, len(user)+2)
	for k, v := range user {
		merged[k] = v
	}

	if _, ok := merged["runner"]; !ok {
		merged["runner"] = defaultAppComposeRunner
	}
	if _, ok := merged["allowed_envs"]; !ok {
		merged["allowed_envs"] = []any{}
	}

	return merged
}
