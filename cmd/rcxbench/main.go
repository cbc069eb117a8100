// Command rcxbench compares the mmap lock backends under contention.
//
//	rcxbench run --backends rcx,spinlock,rwsem --goroutines 16 --ops 20000
//	rcxbench topology
//
// Every flag can also be set as RCXBENCH_<FLAG> (dashes become underscores), from
// .env or .env.local, or from a config file given with --config.
package main

func main() {
	Execute()
}
