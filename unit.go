// SPDX-License-Identifier: GPL-3.0-or-later

package pipenet

// Unit is a type not containing any value.
//
// Control requests that only acknowledge completion, such as
// [*Manager.SetBacklogSize], resolve with a Unit.
type Unit struct{}
