// Package upload implements the transfer of finalized recordings to the
// clinic collector. Each Submit is one UploadTask: a multipart POST to the
// existing-patient or new-patient endpoint, with status and best-effort
// progress reported to an observer. Failures are terminal for the task;
// retrying means submitting again.
package upload
