// Package harness runs conformance test cases symmetrically on every PE.
//
// Every PE executes the same sequence of cases. For each case the Driver:
//
//  1. asks the quorum gate whether the group is large enough (a skip, never a
//     failure, and identical on every PE)
//  2. crosses a barrier so no PE starts the case early
//  3. runs one Frame per data shape the case lists, skipping shapes the
//     library or the plan declares unsupported
//  4. crosses a second barrier so every PE has finished touching peer memory
//  5. hands the outcome to the Aggregator, which prints on the authority PE
//     only, optionally after a logical-AND reduction across PEs
//
// then moves on to the next case whatever the outcome.
//
// # Frames
//
// A Frame wraps one test body. Errors, panics, failed validations and poll
// timeouts inside the body all become a failed Outcome plus FAIL lines in the
// diagnostic log; nothing escapes the frame.
//
// # Console Output
//
// Only PE 0 writes to the console, one line per case:
//
//	shmemvv shmem_put: PASSED
//	shmemvv shmem_alltoall: not enough PEs, skipping
//	shmemvv shmem_reduce_and: skipping (reduce.and unsupported for float32)
package harness
