// Command cronsign produces the signed headers an automated job needs to
// call a cron endpoint, or sends the request itself.
//
// Usage:
//
//	# Print headers for a job, reading CRON_SECRET from the environment or .env
//	cronsign headers --path /api/cron/sync
//
//	# Print a ready-to-run curl command
//	cronsign headers --path /api/cron/sync --format curl --url https://directory.example
//
//	# Sign and send the request
//	cronsign send --path /api/cron/sync --url http://localhost:8080
package main

func main() {
	Execute()
}
