//go:build ignore

// Compares the state of two drop node databases, such as a node and
// another one restored from its snapshot.
package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"RandomDrop/internal/storage"
)

// sections names the key prefixes a drop node writes.
var sections = []struct {
	prefix string
	name   string
}{
	{"r:", "reservoir"},
	{"q:", "queue"},
	{"d:", "drop counters"},
	{"t:", "tokens"},
	{"b:", "blocks"},
	{"m:", "chain meta"},
	{"a:", "account nonces"},
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db1_path> <db2_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1Path := os.Args[1]
	db2Path := os.Args[2]

	db1, err := storage.New(db1Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db1: %v\n", err)
		os.Exit(1)
	}
	defer db1.Close()

	db2, err := storage.New(db2Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db2: %v\n", err)
		os.Exit(1)
	}
	defer db2.Close()

	state1 := collect(db1)
	state2 := collect(db2)

	fmt.Printf("DB1 (%s): %d keys\n", db1Path, len(state1))
	fmt.Printf("DB2 (%s): %d keys\n", db2Path, len(state2))

	for _, s := range sections {
		fmt.Printf("  %-14s %6d %6d\n", s.name, countPrefix(state1, s.prefix), countPrefix(state2, s.prefix))
	}

	missing1, missing2, different := compare(state1, state2)

	if len(missing1) == 0 && len(missing2) == 0 && len(different) == 0 {
		fmt.Println("\nStates are identical")
		os.Exit(0)
	}

	fmt.Println("\nStates differ:")
	report("Keys in DB1 but not in DB2", missing1)
	report("Keys in DB2 but not in DB1", missing2)
	report("Keys with different values", different)

	os.Exit(1)
}

func collect(db *storage.Storage) map[string][]byte {
	state := make(map[string][]byte)

	db.Iterate(func(key, value []byte) error {
		state[string(key)] = bytes.Clone(value)
		return nil
	})

	return state
}

func countPrefix(state map[string][]byte, prefix string) int {
	n := 0
	for k := range state {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func compare(s1, s2 map[string][]byte) (missing1, missing2, different []string) {
	for k, v1 := range s1 {
		v2, ok := s2[k]
		if !ok {
			missing1 = append(missing1, k)
		} else if !bytes.Equal(v1, v2) {
			different = append(different, k)
		}
	}

	for k := range s2 {
		if _, ok := s1[k]; !ok {
			missing2 = append(missing2, k)
		}
	}

	sort.Strings(missing1)
	sort.Strings(missing2)
	sort.Strings(different)

	return
}

func report(title string, keys []string) {
	if len(keys) == 0 {
		return
	}

	fmt.Printf("  - %s: %d\n", title, len(keys))
	for _, k := range keys {
		// Prefixes are printable, the rest is usually binary.
		fmt.Printf("      %s%x\n", k[:2], k[2:])
	}
}
