// Package schedule compiles schedule expressions into queryable recurrence rules.
//
// Three kinds of expression are recognized, and the kind is fixed at compile time:
//   - Cron: "*/10 * * * *", "15 0 * * *", "@daily" (robfig/cron grammar, optional seconds field)
//   - Interval: "every 5 min", "every 2 hours", "55m", "interval:02:30"
//   - Recurrence: "at 12:15am", "at 2:00 am on Saturday on the 2 week of the month",
//     "Saturday on week 2 OR week 4", clauses joined with "also"
//
// A compiled Schedule answers one question: the earliest fire instant strictly
// after a reference instant. Compiling is pure; the same text always yields a
// schedule with the same answers.
package schedule
