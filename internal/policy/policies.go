package policy

// DefaultTemplate is used when no policy file or template is configured
const DefaultTemplate = "weight-bounds"

// Templates contains the built-in move policies
var Templates = map[string]string{
	"weight-bounds": `
package osdeq.moves

import rego.v1

# Never drive a device below the minimum weight
deny contains msg if {
	input.move.new_weight < input.limits.min_weight
	msg := sprintf("osd.%v weight %v below minimum %v", [input.move.device, input.move.new_weight, input.limits.min_weight])
}

# A zero maximum disables the upper bound
deny contains msg if {
	input.limits.max_weight > 0
	input.move.new_weight > input.limits.max_weight
	msg := sprintf("osd.%v weight %v above maximum %v", [input.move.device, input.move.new_weight, input.limits.max_weight])
}

deny contains msg if {
	input.limits.max_step_fraction > 0
	input.move.old_weight > 0
	abs(input.move.delta) / input.move.old_weight > input.limits.max_step_fraction
	msg := sprintf("osd.%v step %v exceeds %v of its weight", [input.move.device, input.move.delta, input.limits.max_step_fraction])
}
`,

	"decrease-only": `
package osdeq.moves

import rego.v1

# Only drain overfull devices, never raise a weight
deny contains msg if {
	input.move.delta > 0
	msg := sprintf("osd.%v weight increase refused", [input.move.device])
}

deny contains msg if {
	input.move.new_weight < input.limits.min_weight
	msg := sprintf("osd.%v weight %v below minimum %v", [input.move.device, input.move.new_weight, input.limits.min_weight])
}
`,
}
