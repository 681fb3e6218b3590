package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// normalize は番兵値を置き換え、JSONを経由してストア内部の表現（深いコピー）に変換する。
func normalize(data Data, now time.Time) (Data, error) {
	replaced := replaceTimestamps(data, now.UTC())
	b, err := json.Marshal(replaced)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var out Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if out == nil {
		out = Data{}
	}
	return out, nil
}

func replaceTimestamps(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = replaceTimestamps(val, now)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = replaceTimestamps(val, now)
		}
		return s
	default:
		return v
	}
}

func normalizeValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func copyData(d Data) Data {
	if d == nil {
		return nil
	}
	b, _ := json.Marshal(d)
	var out Data
	_ = json.Unmarshal(b, &out)
	return out
}

// mergeData は src のトップレベルフィールドを dst に上書きする。
func mergeData(dst, src Data) Data {
	out := copyData(dst)
	if out == nil {
		out = Data{}
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// applyUpdate はドット区切りのフィールドパスを解釈して更新を適用する。
// 途中のマップが存在しない場合は作成する。
func applyUpdate(dst, update Data) (Data, error) {
	out := copyData(dst)
	if out == nil {
		out = Data{}
	}
	for path, v := range update {
		keys := strings.Split(path, ".")
		cur := out
		for _, k := range keys[:len(keys)-1] {
			next, ok := cur[k]
			if !ok || next == nil {
				m := map[string]any{}
				cur[k] = m
				cur = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q is not a map", k)
			}
			cur = m
		}
		cur[keys[len(keys)-1]] = v
	}
	return out, nil
}

func matches(data Data, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(v, normalizeValue(f.Value)) {
			return false
		}
	}
	return true
}

// sortSnapshots はフィールド値で安定ソートする。同値はID順（生成順）。
func sortSnapshots(snaps []*Snapshot, field string, desc bool) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if field != "" {
			c := compareValues(snaps[i].Data[field], snaps[j].Data[field])
			if c != 0 {
				if desc {
					return c > 0
				}
				return c < 0
			}
		}
		return snaps[i].ID < snaps[j].ID
	})
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			tx, errX := time.Parse(time.RFC3339Nano, x)
			ty, errY := time.Parse(time.RFC3339Nano, y)
			if errX == nil && errY == nil {
				return tx.Compare(ty)
			}
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	// 欠落した値は昇順で先頭に並べる。型が異なる値は同値とみなす
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}

func snapshotsEqual(a, b []*Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !reflect.DeepEqual(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}
