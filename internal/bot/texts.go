package bot

import (
	"fmt"
	"strconv"
)

const (
	cbScope   = "watch"
	cbUnwatch = "unwatch"
	cbCancel  = "cancel"

	exampleRepos = "Example: torvalds/linux or https://github.com/torvalds/linux"

	replyWelcome      = "Welcome! Please send me a repository full name to add to your watch list. " + exampleRepos
	replyAskRepo      = "Please send me a repository full name to add to your watch list. " + exampleRepos
	replyRateLimited  = "GitHub API rate limit reached, please try again later."
	replyTryLater     = "Something went wrong. Please try again later."
	replyEmptyList    = "Your watch list is empty."
	replyPickUnwatch  = "Click a repository to unwatch:"
	replyRemoved      = "Repo successfully removed from your watch list"
	replyRemoveFailed = "Failed to remove repo from watch list, Please try again"
)

func replyNotFound(name string) string  { return "Repository " + name + " was not found." }
func replyDuplicate(name string) string { return "You are already watching " + name + "." }
func replyAdded(name string) string     { return "Repository " + name + " added to your watch list." }

func replyQuota(max int) string {
	return fmt.Sprintf("You reached the maximum of %d watched repositories.", max)
}

func replyInvalidName(input string) string {
	return "'" + input + "' is not a repository name. " + exampleRepos
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
