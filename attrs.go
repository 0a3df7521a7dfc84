/*
 * Copyright (c) 2026, xcm contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package xcm

import (
	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/xerrors"
)

// Attrs is the public attribute map the *_a creation variants and
// SetAttr/Attr accept: an unordered key to typed-value collection. Typed
// values are plain Go bool, int64, string, or []byte.
type Attrs map[string]interface{}

func (a Attrs) toInternal() (attr.Map, error) {
	if len(a) == 0 {
		return nil, nil
	}
	m := make(attr.Map, len(a))
	for name, v := range a {
		val, err := toInternalValue(v)
		if err != nil {
			return nil, err
		}
		m[name] = val
	}
	return m, nil
}

func toInternalValue(v interface{}) (attr.Value, error) {
	switch val := v.(type) {
	case bool:
		return attr.Value{Type: attr.TypeBool, Bool: val}, nil
	case int64:
		return attr.Value{Type: attr.TypeInt64, Int64: val}, nil
	case int:
		return attr.Value{Type: attr.TypeInt64, Int64: int64(val)}, nil
	case string:
		return attr.Value{Type: attr.TypeString, String: val}, nil
	case []byte:
		return attr.Value{Type: attr.TypeBinary, Binary: val}, nil
	default:
		return attr.Value{}, xerrors.Tracef("unsupported attribute value type %T", v)
	}
}
