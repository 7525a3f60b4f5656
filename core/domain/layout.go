package domain

// Job directory layout, rooted at <job_root>/<job_id>/. Exported so every
// scheduler/filesystem adapter writes and reads the same file names the
// orchestrator expects.
const (
	DirInput   = "input"  // contents of the uploaded archive
	DirOutput  = "output" // produced by the command; downloaded back on stage-in

	FileMeta           = "meta"              // opaque token delivered to the job via stage-out; last line is a bearer token
	FileStdout         = "stdout.txt"
	FileStderr         = "stderr.txt"
	FileReturnCode     = "returncode"         // single integer, written on completion
	FileSchedulerToken = ".scheduler_handle" // sentinel used for submit idempotency
)
